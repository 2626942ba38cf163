package sipgw

import (
	"errors"
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

// statusForCause maps a Q.850 hangup cause to the final SIP response sent
// when a call fails before answer.
func statusForCause(cause int) (int, string) {
	switch cause {
	case tdm.CauseUnallocated, tdm.CauseNoRouteDestination:
		return 404, "Not Found"
	case tdm.CauseUserBusy:
		return 486, "Busy Here"
	case tdm.CauseNoUserResponse:
		return 408, "Request Timeout"
	case tdm.CauseCallRejected:
		return 603, "Decline"
	case tdm.CauseDestinationOutOfOrder:
		return 502, "Bad Gateway"
	case tdm.CauseNormalCircuitCongestion, tdm.CauseSwitchCongestion, tdm.CauseRequestedChanUnavail:
		return 503, "Service Unavailable"
	default:
		return 480, "Temporarily Unavailable"
	}
}

// statusForError maps a failed hunt or call placement to a SIP response.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, tdm.ErrNotFound):
		return 404, "Not Found"
	case errors.Is(err, tdm.ErrBusy), errors.Is(err, tdm.ErrCapacity),
		errors.Is(err, tdm.ErrCongested), errors.Is(err, tdm.ErrGlare),
		errors.Is(err, tdm.ErrAlarmed), errors.Is(err, tdm.ErrSuspended):
		return 503, "Service Unavailable"
	default:
		return 500, "Internal Server Error"
	}
}

func respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string, logger *slog.Logger) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to send sip response", "code", code, "error", err)
	}
}
