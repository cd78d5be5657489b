// Package response turns validated requests into protocol responses.
//
// AuthorizeResponseGenerator issues authorization codes and the tokens of the
// implicit and hybrid flows, TokenResponseGenerator handles every grant type of the
// token endpoint, and PushedAuthorizationResponseGenerator and
// BackchannelAuthenticationResponseGenerator persist pushed and backchannel requests.
//
// Tokens are built by TokenCreationService. Access tokens are either self-contained
// JWTs signed with the active key of a services.KeyMaterialService, or reference
// tokens whose handle points into the grant store, depending on the client's
// AccessTokenType. Identity tokens are always JWTs.
//
// Generators expect requests that passed validation. They return Go errors only for
// infrastructure failures such as an unreachable store or a missing signing key.
package response
