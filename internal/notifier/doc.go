// Package notifier fans one alert out to one recipient over every applicable
// channel concurrently, and retries transient channel failures from a
// background sweep.
//
// Channels are capability-based: a channel exists only if its Sender was
// built at startup (credentials present). Requests for other channels are
// dropped silently.
package notifier
