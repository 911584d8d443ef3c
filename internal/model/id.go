package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeAgent IDType = "agt"
	IDTypePlan  IDType = "plan"
	IDTypeEvent IDType = "evt"
)

var validIDTypes = map[IDType]bool{
	IDTypeAgent: true,
	IDTypePlan:  true,
	IDTypeEvent: true,
}

var idRegex = regexp.MustCompile(`^(agt|plan|evt)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(idType IDType) (string, error) {
	return GenerateIDAt(idType, time.Now())
}

// GenerateIDAt stamps the id with the given time instead of the wall clock.
func GenerateIDAt(idType IDType, at time.Time) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, at.Unix(), hexStr), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}

// NewTaskID returns a random correlation id for tasks submitted without one.
func NewTaskID() string {
	return uuid.NewString()
}
