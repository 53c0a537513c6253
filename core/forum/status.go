package forum

// Thread statuses
const (
	StatusOpen             Status = "open"
	StatusDeletedByStudent Status = "deleted_by_student"
	StatusDeletedByTeacher Status = "deleted_by_teacher"
	StatusPurged           Status = "purged"
)

type Status string

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusDeletedByStudent, StatusDeletedByTeacher, StatusPurged:
		return true
	}
	return false
}

// DeletedBy reports whether the given side has deleted the thread.
func (s Status) DeletedBy(role Role) bool {
	switch s {
	case StatusPurged:
		return true
	case StatusDeletedByStudent:
		return role == RoleStudent
	case StatusDeletedByTeacher:
		return role == RoleTeacher
	}
	return false
}

// HiddenFrom reports whether the thread must not be shown to the given side.
func (s Status) HiddenFrom(role Role) bool {
	return s.DeletedBy(role)
}

// Next returns the status of a thread after `by` deletes it.
// The thread is purged once both sides have deleted it.
func Next(cur Status, by Role) (Status, error) {
	if !by.Valid() {
		return cur, ErrForbidden
	}
	switch cur {
	case StatusOpen:
		if by == RoleStudent {
			return StatusDeletedByStudent, nil
		}
		return StatusDeletedByTeacher, nil
	case StatusDeletedByStudent:
		if by == RoleTeacher {
			return StatusPurged, nil
		}
		return cur, nil
	case StatusDeletedByTeacher:
		if by == RoleStudent {
			return StatusPurged, nil
		}
		return cur, nil
	}
	return cur, ErrThreadNotFound
}
