package channel

import (
	"log"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/go-netchannel/eventloop"
)

// unhandledLimiter bounds the rate of unhandled error reports per loop, so
// that a burst of failing connections cannot flood the log.
var unhandledLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
})

// unhandledError handles an error that reached the tail of the pipeline:
// it is reported, subject to rate limiting, it fails every pending write,
// and the channel is closed.
func (c *Channel) unhandledError(err error) {
	if _, ok := unhandledLimiter.Allow(c.loop.ID()); ok {
		c.logWarning("unhandled pipeline error, closing channel", err)
	}
	c.outbound.failAll(err)
	c.close0(err)
}

func (c *Channel) logWarning(msg string, err error) {
	logger := c.loop.Logger()
	if logger == nil {
		log.Printf("WARNING: channel %d: %s: %v", c.id, msg, err)
		return
	}
	logger.Warning().
		Err(err).
		Uint64("loop", c.loop.ID()).
		Uint64("channel", c.id).
		Log(msg)
}

func (c *Channel) logPanic(kind string, r any) {
	logger := c.loop.Logger()
	if logger == nil {
		log.Printf("ERROR: channel %d: %s panicked: %v", c.id, kind, r)
		return
	}
	logger.Err().
		Err(eventloop.PanicError{Value: r}).
		Uint64("channel", c.id).
		Str("source", kind).
		Log("recovered panic")
}

func (c *Channel) logDebug(msg string) {
	c.loop.Logger().Debug().
		Uint64("channel", c.id).
		Log(msg)
}
