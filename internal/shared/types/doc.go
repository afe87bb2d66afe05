// Package types provides shared data structures for the template host core.
//
// This package defines core types used across all host components,
// ensuring type safety and consistent data structures.
//
// Core Types:
//   - AppIdentity: Remote car-app identity (package + service)
//   - Intent: Launch intent delivered to an app
//   - AppInfo, HostInfo: Handshake version exchange payloads
//   - BindState: App binding lifecycle state enum
//   - ServiceKey: Closed enumeration of remote manager services
//   - LifecycleEvent: Coarse app lifecycle transitions
//   - PIIMode: Bug-report redaction control
package types
