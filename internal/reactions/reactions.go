// Package reactions applies add/remove reaction events to a message's
// reaction set. All functions are pure: inputs are never modified.
package reactions

import (
	"sort"

	"github.com/nfrund/chatsync/internal/models"
)

// Op is the direction of a reaction change.
type Op string

const (
	Add    Op = "add"
	Remove Op = "remove"
)

// Inverse returns the op that undoes o.
func (o Op) Inverse() Op {
	if o == Add {
		return Remove
	}
	return Add
}

// Valid reports whether o is a known op.
func (o Op) Valid() bool {
	return o == Add || o == Remove
}

// Apply returns a copy of r with userID added to or removed from emoji's set.
// Removing the last user deletes the emoji key, so no empty set ever exists.
func Apply(r models.Reactions, emoji, userID string, op Op) models.Reactions {
	out := r.Clone()
	if out == nil {
		out = make(models.Reactions)
	}

	users := out[emoji]
	idx := sort.SearchStrings(users, userID)
	present := idx < len(users) && users[idx] == userID

	switch op {
	case Add:
		if present {
			return out
		}
		users = append(users, "")
		copy(users[idx+1:], users[idx:])
		users[idx] = userID
		out[emoji] = users
	case Remove:
		if !present {
			return out
		}
		users = append(users[:idx], users[idx+1:]...)
		if len(users) == 0 {
			delete(out, emoji)
		} else {
			out[emoji] = users
		}
	}
	return out
}

// Has reports whether userID reacted with emoji.
func Has(r models.Reactions, emoji, userID string) bool {
	users := r[emoji]
	idx := sort.SearchStrings(users, userID)
	return idx < len(users) && users[idx] == userID
}

// Toggle decides the op a user's click on emoji means right now.
func Toggle(r models.Reactions, emoji, userID string) Op {
	if Has(r, emoji, userID) {
		return Remove
	}
	return Add
}

// Count returns the number of users that reacted with emoji.
func Count(r models.Reactions, emoji string) int {
	return len(r[emoji])
}

// Normalize rebuilds r so every set is sorted, unique and non-empty. It is used
// on records arriving from transports, which may not honour the invariant.
func Normalize(r models.Reactions) models.Reactions {
	if len(r) == 0 {
		return nil
	}
	out := make(models.Reactions, len(r))
	for emoji, users := range r {
		for _, u := range users {
			if u == "" {
				continue
			}
			out = Apply(out, emoji, u, Add)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Change is a single user/emoji delta between two reaction sets.
type Change struct {
	Emoji  string
	UserID string
	Op     Op
}

// Diff lists the changes that turn before into after, ordered by emoji then user.
func Diff(before, after models.Reactions) []Change {
	var changes []Change
	for emoji, users := range after {
		for _, u := range users {
			if !Has(before, emoji, u) {
				changes = append(changes, Change{Emoji: emoji, UserID: u, Op: Add})
			}
		}
	}
	for emoji, users := range before {
		for _, u := range users {
			if !Has(after, emoji, u) {
				changes = append(changes, Change{Emoji: emoji, UserID: u, Op: Remove})
			}
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Emoji != changes[j].Emoji {
			return changes[i].Emoji < changes[j].Emoji
		}
		if changes[i].UserID != changes[j].UserID {
			return changes[i].UserID < changes[j].UserID
		}
		return changes[i].Op < changes[j].Op
	})
	return changes
}
