// Package guillotina is a transactional, versioned object store on top of a
// PostgreSQL-family backend.
//
// The root package holds the shared contracts: the Object and Jar types, the
// ObjectRecord row, the Storage interface and its registry, the Writer and Reader
// collaborators, oid generation, the error taxonomy and Config. Transactions and their
// manager live in the transaction package, backends under storage/, chunked blobs in
// blob.
//
// A unit of work is bracketed by a transaction.Manager:
//
//	mgr := transaction.NewManager(store, cfg)
//	err := mgr.RunInTransaction(ctx, func(ctx context.Context, txn *transaction.Transaction) error {
//		obj, err := txn.Get(ctx, oid)
//		...
//		return txn.Register(obj)
//	})
//
// Conflicts replay the function up to Config.ConflictRetryAttempts times.
package guillotina
