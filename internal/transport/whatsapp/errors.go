package whatsapp

import (
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"

	"joinbot/internal/transport"
)

// mapJoinError attaches a transport sentinel to whatsmeow's join errors.
func mapJoinError(err error) error {
	if err == nil {
		return nil
	}

	var iq *whatsmeow.IQError
	if errors.As(err, &iq) {
		switch iq.Code {
		case 429:
			return fmt.Errorf("%w: %w", transport.ErrRateLimited, err)
		case 401, 404, 406, 410:
			return fmt.Errorf("%w: %w", transport.ErrInviteInvalid, err)
		case 409:
			return fmt.Errorf("%w: %w", transport.ErrAlreadyMember, err)
		}
	}

	switch {
	case errors.Is(err, whatsmeow.ErrInviteLinkInvalid),
		errors.Is(err, whatsmeow.ErrInviteLinkRevoked),
		errors.Is(err, whatsmeow.ErrGroupInviteLinkUnauthorized):
		return fmt.Errorf("%w: %w", transport.ErrInviteInvalid, err)
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return fmt.Errorf("%w: %w", transport.ErrNotConnected, err)
	}
	return err
}
