// Package session mirrors user presence into Redis so other nodes and
// services can look up whether a user is online and which server holds them.
package session
