// Package testutil provides test fixtures, a controllable clock and small assertion
// helpers shared by the package tests of the engine.
package testutil
