// Package reliability holds the retry bookkeeping shared by the connection
// supervisor.
//
// RetryState counts reconnect attempts against a ceiling and hands out a
// fixed delay for each one:
//
//	state := reliability.NewRetryState(10, 5*time.Second)
//	if attempt, delay, ok := state.Next(); ok {
//	    // schedule attempt after delay
//	}
//	state.Reset() // after a successful connect
package reliability
