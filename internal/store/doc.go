// Package store persists inbound messages per connection until they are
// delivered and acknowledged.
//
// Messages are kept in arrival order for each connection key and survive
// process restarts. The empty key addresses every connection at once for
// AllFor, Clear and Count.
//
// Usage:
//
//	st, err := store.Open(database.Config{Path: "./data/graylink.db", WALMode: true})
//	if err != nil {
//	    return err // wraps store.ErrUnavailable
//	}
//	defer st.Close()
//
//	id, err := st.Append(ctx, key, "sensors/t1", payload, 1, false, false)
//	backlog, err := st.AllFor(ctx, key)
package store
