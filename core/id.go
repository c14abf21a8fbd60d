package core

import "github.com/google/uuid"

func newID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return "engine-unknown"
	}
	return id.String()
}
