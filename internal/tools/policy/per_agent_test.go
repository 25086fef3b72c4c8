package policy

import "testing"

func TestPerAgentFullyOverridesGlobal(t *testing.T) {
	resolver := NewResolver()
	global := &Policy{
		Allow: []string{"read", "write"},
		PerAgent: map[string]*Policy{
			"robot-1": {Allow: []string{"group:robot"}},
		},
	}

	// robot-1 gets ONLY group:robot, even though global also allows "read".
	if resolver.IsAllowedForAgent(global, "read", "robot-1") {
		t.Error("expected per_agent override to drop the global allow list entirely")
	}
	if !resolver.IsAllowedForAgent(global, "move", "robot-1") {
		t.Error("expected per_agent override to allow group:robot tools")
	}
}

func TestPerAgentFallsBackToGlobalForUnlistedAgent(t *testing.T) {
	resolver := NewResolver()
	global := &Policy{
		Allow: []string{"read"},
		PerAgent: map[string]*Policy{
			"robot-1": {Allow: []string{"group:robot"}},
		},
	}

	if !resolver.IsAllowedForAgent(global, "read", "robot-2") {
		t.Error("expected agent with no per_agent entry to use the global policy")
	}
}

func TestPerAgentDenyStillBeatsAllowWithinOverride(t *testing.T) {
	resolver := NewResolver()
	global := &Policy{
		PerAgent: map[string]*Policy{
			"robot-1": {Allow: []string{"*"}, Deny: []string{"emergency_stop"}},
		},
	}

	if resolver.IsAllowedForAgent(global, "emergency_stop", "robot-1") {
		t.Error("expected deny to beat allow:[\"*\"] within a per_agent override")
	}
	if !resolver.IsAllowedForAgent(global, "move", "robot-1") {
		t.Error("expected allow:[\"*\"] to allow other tools within the override")
	}
}

func TestRobotProfilesResolve(t *testing.T) {
	resolver := NewResolver()

	basic := &Policy{Profile: ProfileRobotBasic}
	if resolver.IsAllowed(basic, "move") {
		t.Error("robot_basic should not allow actuation tools")
	}
	if !resolver.IsAllowed(basic, "status") {
		t.Error("robot_basic should allow status")
	}

	full := &Policy{Profile: ProfileRobotFull}
	if !resolver.IsAllowed(full, "move") {
		t.Error("robot_full should allow actuation tools")
	}
	if !resolver.IsAllowed(full, "emergency_stop") {
		t.Error("robot_full should allow emergency_stop")
	}
}
