package auth

import (
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/rsimon/liiive/internal/model"
)

// userColors is the cursor/avatar palette. Chosen for contrast against the
// viewer background.
var userColors = []string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#bcf60c",
	"#fabebe",
	"#008080",
	"#e6beff",
	"#9a6324",
	"#800000",
	"#aaffc3",
	"#808000",
	"#ffd8b1",
	"#000075",
}

// UserColor returns the deterministic palette color for a user id: stable
// across sessions and identical on every client without coordination.
func UserColor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return userColors[h.Sum32()%uint32(len(userColors))]
}

// NewGuest generates an identity for a participant without an account. The
// caller keeps the id across visits so the guest's annotations stay
// attributed.
func NewGuest(name string) model.User {
	return model.User{
		ID:   uuid.NewString(),
		Name: name,
	}
}
