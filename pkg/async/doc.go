// Package async provides background execution helpers with panic recovery.
//
// SafeGo runs fire-and-forget work, such as recording usage after a gated
// request has been served, under its own timeout:
//
//	async.SafeGo(ctx, 2*time.Second, "record usage", func(ctx context.Context) error {
//		_, err := evaluator.RecordUsage(ctx, req)
//		return err
//	})
//
// Batch fans a slice out over a bounded worker pool and returns every error.
// The aggregator uses it to persist license status transitions:
//
//	errs := async.Batch(ctx, changed, 4, "license sweep", 5*time.Second, save)
//
// Failures and panics are logged through the logger installed with SetLogger.
package async
