package sim

import (
	"github.com/tinyrange/zynqpm/internal/devices/ipi"
	"github.com/tinyrange/zynqpm/internal/pmclient"
)

// APIEcho is the request id the emulated controller answers with a digest of
// the payload. Every other id is answered with StatusErrNotSupported.
const APIEcho = 0x1

// Digest is the value the emulated controller returns for an APIEcho request.
func Digest(p pmclient.Payload) uint32 {
	v := uint32(0x9E3779B9)
	for _, w := range p {
		v = (v ^ w) * 0x01000193
	}
	return v
}

// Controller is the emulated power-management controller.
type Controller struct{}

// Respond implements ipi.Responder.
func (Controller) Respond(_ uint32, req ipi.Message) ipi.Message {
	var p pmclient.Payload
	copy(p[:], req[:])
	if p[0] != APIEcho {
		return ipi.Message{uint32(pmclient.StatusErrNotSupported)}
	}
	return ipi.Message{uint32(pmclient.StatusSuccess), Digest(p)}
}

var _ ipi.Responder = Controller{}
