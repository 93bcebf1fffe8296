package metashare

// Logging convention in the `metashare` package (glog):
// Info:
//     abnormal but handled events. This level should be silent on normal operation.
//     this includes:
//     - socket errors, closes, and reconnect give-up
//     - http mutations that failed
// Error:
//     recovered panics from callbacks
// V(1):
//     lifecycle events with ids that can be used to filter
//     this includes:
//     - connect, reconnect, subscribe, unsubscribe
//     - frames dropped by the decoder
// V(2):
//     per message trace - frames in and out, store dispatch

import (
	"github.com/golang/glog"
)

func logDispatch(event Event) {
	if glog.V(2) {
		glog.Infof("[store]%s\n", event.EventName())
	}
}
