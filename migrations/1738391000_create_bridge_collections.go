package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	core.AppMigrations.Register(func(app core.App) error {
		employees, err := ensureEmployees(app)
		if err != nil {
			return err
		}

		devices := core.NewBaseCollection("devices")
		devices.Fields.Add(
			&core.TextField{Name: "name", Max: 255},
			&core.TextField{Name: "ip", Required: true, Max: 255},
			&core.NumberField{Name: "port", OnlyInt: true, Min: types.Pointer(1.0), Max: types.Pointer(65535.0)},
			&core.SelectField{
				Name:      "protocol",
				MaxSelect: 1,
				Values:    []string{"zkteco", "adms", "anviz", "suprema", "simulated"},
			},
			&core.BoolField{Name: "is_online"},
			&core.BoolField{Name: "auto_sync"},
			&core.DateField{Name: "last_heartbeat"},
			&core.DateField{Name: "last_sync"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		devices.AddIndex("idx_devices_address", true, "ip, port", "")
		if err := app.Save(devices); err != nil {
			return err
		}

		logs := core.NewBaseCollection("attendance_logs")
		logs.Fields.Add(
			&core.RelationField{Name: "employee_id", Required: true, MaxSelect: 1, CollectionId: employees.Id, CascadeDelete: true},
			&core.RelationField{Name: "device_id", MaxSelect: 1, CollectionId: devices.Id},
			&core.DateField{Name: "log_time", Required: true},
			&core.SelectField{Name: "log_type", Required: true, MaxSelect: 1, Values: []string{"check_in", "check_out"}},
			&core.TextField{Name: "verification_method", Max: 32},
			&core.NumberField{Name: "match_score", OnlyInt: true},
			&core.NumberField{Name: "temperature"},
			&core.AutodateField{Name: "created", OnCreate: true},
		)
		// a punch is stored once; the sync also dedups before inserting
		logs.AddIndex("idx_attendance_logs_punch", true, "employee_id, log_time", "")
		if err := app.Save(logs); err != nil {
			return err
		}

		audits := core.NewBaseCollection("device_sync_logs")
		audits.Fields.Add(
			&core.RelationField{Name: "device_id", MaxSelect: 1, CollectionId: devices.Id, CascadeDelete: true},
			&core.BoolField{Name: "success"},
			&core.NumberField{Name: "records_synced", OnlyInt: true},
			&core.TextField{Name: "message"},
			&core.DateField{Name: "synced_at"},
		)
		if err := app.Save(audits); err != nil {
			return err
		}

		templates := core.NewBaseCollection("fingerprint_templates")
		templates.Fields.Add(
			&core.TextField{Name: "employee_code", Required: true, Max: 64},
			&core.RelationField{Name: "device_id", MaxSelect: 1, CollectionId: devices.Id},
			&core.NumberField{Name: "finger_index", OnlyInt: true, Min: types.Pointer(0.0), Max: types.Pointer(9.0)},
			&core.TextField{Name: "finger_position", Max: 32},
			&core.TextField{Name: "template_data", Required: true},
			&core.NumberField{Name: "quality_score", OnlyInt: true},
			&core.AutodateField{Name: "created", OnCreate: true},
		)
		return app.Save(templates)
	}, func(app core.App) error {
		for _, name := range []string{"fingerprint_templates", "device_sync_logs", "attendance_logs", "devices"} {
			collection, err := app.FindCollectionByNameOrId(name)
			if err != nil {
				continue
			}
			if err := app.Delete(collection); err != nil {
				return err
			}
		}
		return nil
	})
}

// ensureEmployees returns the HR employees collection, creating a minimal one when the
// bridge runs against an empty PocketBase, and adds the employee_id field it resolves by.
func ensureEmployees(app core.App) (*core.Collection, error) {
	employees, err := app.FindCollectionByNameOrId("employees")
	if err != nil {
		employees = core.NewBaseCollection("employees")
		employees.Fields.Add(
			&core.TextField{Name: "name", Max: 255},
			&core.AutodateField{Name: "created", OnCreate: true},
		)
	}
	if employees.Fields.GetByName("employee_id") == nil {
		employees.Fields.Add(&core.TextField{Name: "employee_id", Required: true, Max: 64})
		employees.AddIndex("idx_employees_employee_id", true, "employee_id", "")
	}
	if err := app.Save(employees); err != nil {
		return nil, err
	}
	return employees, nil
}
