package protocol

import (
	"context"
	"io"
)

// Feeder and Drainer are the two directions of frame flow between the
// transport and a protocol handler. A handler's Feed supplies frames to
// be written to the socket; Drain receives whole frames read from it.

type Feeder interface {
	// Feed blocks until outbound frames are available or ctx is done.
	Feed(ctx context.Context) (recs Records, err error)
}

type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

// FeedDrainCloser is the contract a connection handler presents to the
// transport layer.
type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}
