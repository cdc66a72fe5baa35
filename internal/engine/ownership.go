package engine

import (
	"strconv"
	"strings"

	"github.com/agrisense/telemetry-sync/internal/models"
)

// acceptReading applies the ownership filter. Sensors may omit an
// explicit owner tag on the wire; ownership is then reconstructed from
// the sensor id naming convention (<ownerID>_<type>_<n>) instead of
// trusting every push blindly. Only an explicit owner mismatch rejects:
//
//  1. If the reading carries no owner, derive one from the leading
//     numeric segment of the sensor id; stamp it only when it matches
//     the current user.
//  2. Reject when both an owner and a current user are known and differ.
//  3. Accept otherwise (guests see untagged readings).
//
// The reading is mutated in place when an owner is stamped.
func acceptReading(r *models.Reading, userID int64, hasUser bool) bool {
	if r.OwnerID == nil && hasUser {
		if owner, ok := ownerFromSensorID(r.SensorID); ok && owner == userID {
			r.OwnerID = &owner
		}
	}
	if r.OwnerID != nil && hasUser && *r.OwnerID != userID {
		return false
	}
	return true
}

// ownerFromSensorID parses the leading numeric segment of a sensor id.
func ownerFromSensorID(sensorID string) (int64, bool) {
	head, _, found := strings.Cut(sensorID, "_")
	if !found {
		return 0, false
	}
	owner, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, false
	}
	return owner, true
}
