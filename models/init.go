package models

// All returns every model registered for migration, in dependency order.
// config.ConnectDB and the package test suites share this list.
func All() []interface{} {
	return []interface{}{
		&User{},
		&EmailConnection{},
		&EmailThread{},
		&EmailMessage{},
		&Lead{},
		&Client{},
		&Project{},
		&Invoice{},
		&BillingEvent{},
	}
}
