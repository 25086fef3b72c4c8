package bridge

import (
	"fmt"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Translator turns one high-level Command into the low-level Action
// sequence a real-time motion controller understands.
type Translator interface {
	// Name identifies the translator for logging and registry listing.
	Name() string
	// CanTranslate reports whether this translator handles cmd's type.
	CanTranslate(cmd models.Command) bool
	// Translate produces the ordered Action sequence for cmd. actionID
	// generates a fresh id for each produced Action.
	Translate(cmd models.Command, actionID func() string) []models.Action
}

// Registry holds the set of known translators, consulted in registration
// order by the first translator whose CanTranslate matches.
type Registry struct {
	mu          sync.RWMutex
	translators []Translator
}

// NewRegistry creates a registry pre-populated with the built-in mover and
// grasper translators.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(&MoverTranslator{})
	r.Register(&GrasperTranslator{})
	return r
}

// Register appends a translator to the registry. Later registrations are
// consulted only after earlier ones decline via CanTranslate.
func (r *Registry) Register(t Translator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translators = append(r.translators, t)
}

// Find returns the first translator willing to handle cmd, or nil.
func (r *Registry) Find(cmd models.Command) Translator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.translators {
		if t.CanTranslate(cmd) {
			return t
		}
	}
	return nil
}

// MoverTranslator handles move|move_to|navigate as a single navigation
// action.
type MoverTranslator struct{}

func (m *MoverTranslator) Name() string { return "mover" }

func (m *MoverTranslator) CanTranslate(cmd models.Command) bool {
	switch cmd.CommandType {
	case "move", "move_to", "navigate":
		return true
	default:
		return false
	}
}

func (m *MoverTranslator) Translate(cmd models.Command, actionID func() string) []models.Action {
	return []models.Action{
		{
			ID:         actionID(),
			CommandID:  cmd.ID,
			ActionType: "navigate_to",
			Parameters: cmd.Parameters,
			Status:     models.ActionPending,
		},
	}
}

// GrasperTranslator handles grasp|pick|grab as a four-step
// approach/open/grasp-pose/close sequence.
type GrasperTranslator struct{}

func (g *GrasperTranslator) Name() string { return "grasper" }

func (g *GrasperTranslator) CanTranslate(cmd models.Command) bool {
	switch cmd.CommandType {
	case "grasp", "pick", "grab":
		return true
	default:
		return false
	}
}

func (g *GrasperTranslator) Translate(cmd models.Command, actionID func() string) []models.Action {
	steps := []string{"approach", "gripper_open", "grasp_pose", "gripper_close"}
	actions := make([]models.Action, 0, len(steps))
	for _, step := range steps {
		actions = append(actions, models.Action{
			ID:         actionID(),
			CommandID:  cmd.ID,
			ActionType: step,
			Parameters: cmd.Parameters,
			Status:     models.ActionPending,
		})
	}
	return actions
}

// ErrNoTranslator is returned by SendCommand when no registered translator
// can handle the command's type.
type ErrNoTranslator struct {
	CommandType string
}

func (e *ErrNoTranslator) Error() string {
	return fmt.Sprintf("no translator registered for command type %q", e.CommandType)
}
