// Package imageproxy relays profile pictures so browsers can display them
// without tripping Instagram's hotlink and CORS restrictions.
package imageproxy
