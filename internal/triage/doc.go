// Package triage provides the business boundary for aria's incident handling.
// It defines the Service (validation, dedup, lifecycle, bounded async
// processing, feedback and stats), the Store interface and domain models.
package triage
