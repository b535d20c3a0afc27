package protocol

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the wire protocol version spoken by this build.
const Version = "1.0.0"

var ErrIncompatibleVersion = errors.New("protocol: incompatible client version")

// CheckClientVersion accepts a client whose version shares the server's
// major version. An empty client version is accepted for clients that do
// not announce one.
func CheckClientVersion(server, client string) error {
	if client == "" {
		return nil
	}

	sv, err := semver.NewVersion(server)
	if err != nil {
		return fmt.Errorf("invalid server version %q: %w", server, err)
	}

	c, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0-0", sv.Major()))
	if err != nil {
		return fmt.Errorf("build version constraint: %w", err)
	}

	cv, err := semver.NewVersion(client)
	if err != nil {
		return fmt.Errorf("%w: %q is not a valid version", ErrIncompatibleVersion, client)
	}

	if !c.Check(cv) {
		return fmt.Errorf("%w: client %s, server %s", ErrIncompatibleVersion, cv, sv)
	}
	return nil
}
