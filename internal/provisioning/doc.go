// Package provisioning turns device requests into stored devices and
// entities.
//
// Creating a device is two steps:
//
//  1. In one transaction, check the tenant's quota, insert the device and
//     record the audit entry. Two concurrent requests cannot both pass
//     the quota check because SQLite write transactions start IMMEDIATE.
//  2. If the device's discovery mode is template or hybrid and its type
//     has a blueprint, expand the blueprint and create each entity
//     independently. Per-entity failures are collected in a BatchResult.
//
// Every entity that gets a topic is handed to the Binder so inbound
// state messages for it are routed straight away.
package provisioning
