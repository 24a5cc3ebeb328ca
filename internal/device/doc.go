// Package device stores the devices each tenant registers.
//
// A device is identified two ways: ID is the row key used by entities and
// the API, DeviceID is the identifier the tenant chose (unique per tenant).
// TopicToken is DeviceID normalised for bus topics, e.g. "esp-32:AA" becomes
// "ESP32AA", and is what inbound status and discovery messages carry.
//
// Every tenant-facing read and write takes the tenant ID and treats a
// device owned by someone else as not found.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	devices, err := repo.ListByTenant(ctx, tenantID)
//
// Repositories bound to a transaction with WithQuerier let quota checks
// and inserts share one transaction.
package device
