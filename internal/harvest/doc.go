// Package harvest defines the domain types and collaborator contracts shared by
// the extraction workers, the pool coordinator, and the persistence boundary.
package harvest
