package coordinator

import (
	"time"

	"github.com/rectcircle/convergence-server/internal/ccc"
)

// ParticipantRole distinguishes the cold-start authority from ordinary
// members. This is the supplemented admin-handoff feature of SPEC_FULL.md
// section C, generalizing the teacher's services/admin_service.go room-admin
// reassignment to the DataRequested handshake: if the session the
// coordinator is waiting on for ClientModelDataResponse disconnects, the
// role transfers to the next-earliest remaining opener so the cold start can
// still complete.
type ParticipantRole uint8

const (
	RoleMember ParticipantRole = iota
	RoleDataAuthority
)

// participant is one open session against this coordinator's model.
type participant struct {
	sessionID string
	actor     SessionActor
	ccc       *ccc.Controller
	role      ParticipantRole
	joinedAt  time.Time
}
