// Package tenant manages tenants, their billing plans and the device quota
// each plan allows.
//
// Plans are reference data seeded by migrations: free (1 device), premium
// (5) and enterprise (unlimited, stored as -1). QuotaGuard reads only the
// plan table; there is no hardcoded fallback.
package tenant
