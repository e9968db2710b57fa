package pipeline

type Stage int

const (
	StageStart Stage = iota
	StageBlocklist
	StageRateLimit
	StageAuth
	StageMethodBranch
	StageHeaderComposition
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageBlocklist:
		return "blocklist_check"
	case StageRateLimit:
		return "rate_limit_check"
	case StageAuth:
		return "auth_check"
	case StageMethodBranch:
		return "method_branch"
	case StageHeaderComposition:
		return "header_composition"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}
