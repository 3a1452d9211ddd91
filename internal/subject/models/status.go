package models

// Status is the lifecycle state of a subject.
type Status string

const (
	StatusNotExist    Status = "not_exist"
	StatusValid       Status = "valid"
	StatusDeactivated Status = "deactivated"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotExist, StatusValid, StatusDeactivated:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows s -> target.
// NotExist -> Valid (register) and Valid -> Deactivated are the only moves.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusNotExist:
		return target == StatusValid
	case StatusValid:
		return target == StatusDeactivated
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}
