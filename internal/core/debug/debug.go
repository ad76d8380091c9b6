package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/seatkeeper/internal/protocol"
)

// StartPprofServer starts the default pprof HTTP server that can be accessed via
// localhost to get runtime information. See https://golang.org/pkg/net/http/pprof/
func StartPprofServer(logger *logrus.Logger, port int) {
	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Errorf("error starting pprof server: %s", err)
		}
	}()
}

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// PacketTracer returns a protocol.Tracer that dumps every frame to the logger
// at debug level, decoded when the id is known for the frame's state.
func PacketTracer(entry *logrus.Entry, inbound protocol.Direction) protocol.Tracer {
	outbound := protocol.Serverbound
	if inbound == protocol.Serverbound {
		outbound = protocol.Clientbound
	}

	return func(isInbound bool, state protocol.State, raw *protocol.RawPacket) {
		if !entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
			return
		}
		dir, arrow := outbound, "->"
		if isInbound {
			dir, arrow = inbound, "<-"
		}

		pkt, err := protocol.Decode(state, dir, raw)
		if err != nil {
			entry.Debugf("%s [%s] 0x%02x (undecodable: %v)\n%s", arrow, state, raw.ID, err, spew.Sdump(raw.Data))
			return
		}
		entry.Debugf("%s [%s] %s\n%s", arrow, state, protocol.Kind(pkt), dumper.Sdump(pkt))
	}
}
