package builder

import "github.com/pkg/errors"

// State is one point in the build pipeline. The sequence is strictly
// linear: each transition is triggered only by successful completion of the
// prior step, there are no back-transitions, and StateImageFinalized is
// terminal.
type State string

const (
	StateInitial               State = "Initial"
	StateBaseSelected          State = "BaseSelected"
	StateManifestCopied        State = "ManifestCopied"
	StateDependenciesInstalled State = "DependenciesInstalled"
	StateSourceCopied          State = "SourceCopied"
	StateEnvironmentSet        State = "EnvironmentSet"
	StateLaunchDirectiveSet    State = "LaunchDirectiveSet"
	StateImageFinalized        State = "ImageFinalized"
)

// next maps each state to the only state reachable from it.
var next = map[State]State{
	StateInitial:               StateBaseSelected,
	StateBaseSelected:          StateManifestCopied,
	StateManifestCopied:        StateDependenciesInstalled,
	StateDependenciesInstalled: StateSourceCopied,
	StateSourceCopied:          StateEnvironmentSet,
	StateEnvironmentSet:        StateLaunchDirectiveSet,
	StateLaunchDirectiveSet:    StateImageFinalized,
}

func (b *Builder) advance(to State) error {
	if next[b.state] != to {
		return errors.Errorf("invalid transition %s -> %s", b.state, to)
	}
	b.state = to
	return nil
}

// State reports how far the pipeline got. After a failed Run it names the
// last step that completed.
func (b *Builder) State() State {
	return b.state
}
