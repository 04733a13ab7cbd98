// Package sqrag is a storage engine for retrieval-augmented generation built
// on a single SQLite database file (modernc.org/sqlite, no CGO).
//
// Content is added as versioned entries inside namespaces. An entry is split
// into ordered chunks, each chunk is embedded and indexed for both vector and
// keyword search, and a new version of a keyed entry replaces the old one
// only once all of its chunks are searchable. Bulk work runs in bounded steps
// so no single transaction grows with the size of a document.
//
// # Packages
//
//   - pkg/rag: the client. Add, AddAsync, Search, Delete and listing.
//   - pkg/core: the transactional store behind the client.
//   - pkg/filter: filter values and the namespace filter schema.
//   - pkg/embed: the Embedder interface, batching and a hashing embedder.
//   - pkg/workpool: the job queue used for asynchronous chunking and deletes.
//
// # Quick Start
//
//	config := rag.DefaultConfig("rag.db")
//	config.Embedding.Model = "my-model"
//	client, err := rag.Open(config, rag.WithEmbedder(myEmbedder))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	_, err = client.Add(ctx, rag.AddArgs{
//	    Entry: rag.Entry{Namespace: "docs", Key: "readme.md"},
//	    Text:  readme,
//	})
//
//	resp, err := client.Search(ctx, rag.SearchArgs{
//	    Namespace:    "docs",
//	    Query:        "how do I install it",
//	    Hybrid:       true,
//	    ChunkContext: core.ChunkContext{Before: 1, After: 1},
//	})
//	fmt.Println(resp.Text())
//
// The sqrag command in cmd/sqrag exposes the same operations on a database
// file from the shell.
package sqrag
