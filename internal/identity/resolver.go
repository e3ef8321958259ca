// Package identity maps terminal user ids onto employee records
package identity

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"

	"zk-bridge/internal/device"
	"zk-bridge/internal/models"
)

// EmployeeLister is the store read the resolver needs
type EmployeeLister interface {
	ListIdentifiers(ctx context.Context) ([]models.Employee, error)
}

// Collision is a terminal uid shared by more than one employee
type Collision struct {
	DeviceUID   int
	EmployeeIDs []string
}

// EmployeeMap resolves terminal uids for one sync cycle. It is never reused across cycles.
type EmployeeMap struct {
	byUID      map[int]string
	collisions []Collision
}

// BuildEmployeeMap reads every employee once and keys them by the numeric digit suffix
// of their identifier. Uids claimed by several employees are left unresolved.
func BuildEmployeeMap(ctx context.Context, employees EmployeeLister) (*EmployeeMap, error) {
	list, err := employees.ListIdentifiers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list employees")
	}
	return NewEmployeeMap(list), nil
}

// NewEmployeeMap builds the map from an already loaded employee list
func NewEmployeeMap(list []models.Employee) *EmployeeMap {
	claims := make(map[int][]string)
	var order []int
	for _, e := range list {
		digits := device.DigitSuffix(e.EmployeeID)
		if digits == "" {
			continue
		}
		uid, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		if _, seen := claims[uid]; !seen {
			order = append(order, uid)
		}
		claims[uid] = append(claims[uid], e.ID)
	}

	m := &EmployeeMap{byUID: make(map[int]string, len(claims))}
	for _, uid := range order {
		ids := claims[uid]
		if len(ids) > 1 {
			m.collisions = append(m.collisions, Collision{DeviceUID: uid, EmployeeIDs: ids})
			continue
		}
		m.byUID[uid] = ids[0]
	}
	return m
}

// Resolve returns the internal employee id for a terminal uid
func (m *EmployeeMap) Resolve(deviceUID int) (string, bool) {
	id, ok := m.byUID[deviceUID]
	return id, ok
}

// Len is the number of resolvable uids
func (m *EmployeeMap) Len() int { return len(m.byUID) }

// Collisions lists uids dropped because several employees share them
func (m *EmployeeMap) Collisions() []Collision { return m.collisions }
