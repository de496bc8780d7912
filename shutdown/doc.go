// Package shutdown stops the daemon in the only order that does not
// lose work: watchers first so nothing new arrives, then the reviewer
// and executor so in-flight tasks settle, then one last sync cycle, and
// storage last. Components register handlers into phases; handlers in a
// phase stop concurrently, phases stop in order, and the whole sequence
// is bounded by a timeout.
package shutdown
