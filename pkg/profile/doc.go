// Package profile implements the profile lookup behind /scrape/{username}.
//
// Service normalizes the username, serves live cache entries, and otherwise
// asks a Fetcher. InstagramFetcher is the production Fetcher; it converts
// Instagram client failures into *errors.ServiceError values.
package profile
