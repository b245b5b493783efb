package configuration

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	commonconfig "github.com/pieqf/seisfetch/internal/common/config"
	"github.com/pieqf/seisfetch/internal/seisfetch/stp"
)

// ValidateSeisfetchConfiguration checks the struct tags and then the values only the peer protocol knows about.
func ValidateSeisfetchConfiguration(config SeisfetchConfiguration) error {
	if err := commonconfig.Validate(config); err != nil {
		return err
	}
	var result *multierror.Error
	for _, channel := range config.Retrieval.Channels {
		if err := stp.ValidateChannel(channel); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if config.Peer.Format != "" {
		if _, err := stp.ValidateFormat(config.Peer.Format); err != nil {
			result = multierror.Append(result, err)
		}
	}
	networks := maps.Keys(config.Peer.NetworkGroups)
	slices.Sort(networks)
	for _, network := range networks {
		if config.Peer.NetworkGroups[network] == "" {
			result = multierror.Append(result, fmt.Errorf("network %s has no server group", network))
		}
	}
	return result.ErrorOrNil()
}
