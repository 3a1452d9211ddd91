package models

// AuthorizeSelf gates an operation a subject performs on itself: the subject
// must be Valid and key must pass its own key list's access check.
func AuthorizeSelf(subject *Subject, key []byte) error {
	if subject == nil {
		return ErrSubjectNotFound
	}
	if !subject.IsValid() {
		return ErrSubjectNotValid
	}
	return subject.Keys.CheckAccess(key)
}

// AuthorizeController gates an operation controller performs on target.
// Both must be Valid, controller must be listed in target's controllers, and
// key must pass the controller's own access check. The target's keys are
// never consulted.
func AuthorizeController(target, controller *Subject, key []byte) error {
	if target == nil || controller == nil {
		return ErrSubjectNotFound
	}
	if !target.IsValid() || !controller.IsValid() {
		return ErrSubjectNotValid
	}
	if !target.Controllers.Contains(controller.ID) {
		return ErrNotAController
	}
	return controller.Keys.CheckAccess(key)
}
