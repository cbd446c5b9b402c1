//go:build !windows

package capture

import (
	"errors"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
)

func newNpcap(log *logger.Logger) (Source, error) {
	return nil, errors.New("npcap capture is only available on windows")
}
