// Package watcher reports changes to the document files under a directory.
//
// fsnotify is the primary source; directories where it cannot be used fall
// back to periodic scans. Rapid changes to one path are coalesced by a
// Debouncer before they are emitted as a batch.
//
//	w, err := watcher.New(watcher.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	go func() { _ = w.Start(ctx, "/path/to/notes") }()
//	for batch := range w.Events() {
//	    for _, ev := range batch {
//	        // ev.Operation is OpCreate, OpModify or OpDelete
//	    }
//	}
package watcher
