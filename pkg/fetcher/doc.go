// Package fetcher retrieves a package's bytes from an object-store bucket
// or an HTTPS URL, verifying a SHA-256 fingerprint while streaming and
// enforcing a hard byte cap and wall-clock timeout. Downloads land in a
// temporary file and are renamed into place atomically only once the
// digest has been confirmed (or, if no fingerprint was supplied, once the
// download completes within the byte cap). Transient origin errors are
// retried with capped exponential back-off; permanent ones are not.
package fetcher
