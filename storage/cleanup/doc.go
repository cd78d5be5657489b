// Package cleanup removes expired and consumed grants, expired pushed authorization
// requests and expired server-side sessions in the background.
//
// Each grant type is swept independently: a failure while sweeping one type is retried
// with exponential backoff and never prevents the other types from being cleaned.
//
// Usage:
//
//	svc := cleanup.New(store, cleanup.Config{
//		Interval:             time.Hour,
//		RemoveConsumedTokens: true,
//	})
//	svc.SetSessionStore(store, coordinator)
//	go svc.Run(ctx)
package cleanup
