// The fga-package implements a [Zanzibar]-esque fine-grained authorization
// engine: relation tuples, versioned authorization models and a recursive
// resolver for permission checks.
//
// Models are written in a small textual language and compiled to a [Schema]:
//
//	schema, err := fga.ParseDSL(`
//	type user
//
//	type group
//	  relations
//	    define member: [user, group#member]
//
//	type folder
//	  relations
//	    define owner: [user]
//	    define viewer: [user, group#member] or owner
//
//	type doc
//	  relations
//	    define parent: [folder]
//	    define owner: [user]
//	    define viewer: [user] or owner or viewer from parent
//	`)
//
// A [StoreService] manages stores, model versions and tuple writes on top of
// a [Storage] backend (postgres or in-memory). Tuples use whitepaper
// notation (check [whitepaper], or construct [Tuple] directly):
//
//	// user 'myuser' is a member of group 'mygroup'
//	_ = service.WriteTuples(ctx, storeID, []fga.Tuple{fga.TupleString("group:mygroup#member@user:myuser")}, nil)
//	// document 'mydoc' lives in folder 'myfolder'
//	_ = service.WriteTuples(ctx, storeID, []fga.Tuple{fga.TupleString("doc:mydoc#parent@folder:myfolder")}, nil)
//	// members of 'mygroup' may view 'myfolder'
//	_ = service.WriteTuples(ctx, storeID, []fga.Tuple{fga.TupleString("folder:myfolder#viewer@group:mygroup#member")}, nil)
//
// A [Resolver] answers permission checks by traversing the tuples under the
// store's current model:
//
//	resolver := fga.NewResolver(storage)
//	// true through group membership on the parent folder:
//	result, _ := resolver.Check(ctx, storeID, fga.TupleString("doc:mydoc#viewer@user:myuser"))
//
// The server package exposes the same operations over HTTP.
//
// [Zanzibar]: https://research.google/pubs/pub48190/
// [whitepaper]: https://research.google/pubs/pub48190/
package fga
