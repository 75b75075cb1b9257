package goble

import (
	"github.com/sirupsen/logrus"

	"github.com/erukolya/tionlink/internal/breezer"
)

// Lite speaks the same framed protocol and state layout as the 4S but with
// its own command words.
const (
	liteCmdStateGet uint16 = 0x3240
	liteCmdStateRsp uint16 = 0x3241
	liteCmdStateSet uint16 = 0x3242
)

// NewLite creates a link handle for a Tion Lite breezer.
func NewLite(address string, logger *logrus.Logger) breezer.Breezer {
	return &tion4{
		t:           newTransport(address, logger),
		model:       "Lite",
		cmdStateGet: liteCmdStateGet,
		cmdStateRsp: liteCmdStateRsp,
		cmdStateSet: liteCmdStateSet,
	}
}
