package services

import "github.com/Shuvikm/batman-ai-mentor/internal/models"

// AuthorizeJoin resolves which side of the session the caller occupies. Pure
// lookup against the two bound ids; anything else is rejected.
func AuthorizeJoin(session *models.Session, callerID int64) (string, error) {
	switch callerID {
	case session.StudentID:
		return models.RoleStudent, nil
	case session.TeacherID:
		return models.RoleTeacher, nil
	default:
		return "", ErrNotAuthorized
	}
}
