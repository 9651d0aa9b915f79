// Package server implements the HTTP surface of the hookdeploy webhook receiver.
//
// Routes:
//   - POST / (any path): GitHub push webhook, HMAC-SHA256 verified
//   - GET /{repoName}/{sha}.txt: captured deploy log, when a log directory is configured
//   - anything else: 405
//
// A verified delivery is answered 200 before the deploy starts; the deploy
// runs in a tracked goroutine and its outcome is only visible through commit
// statuses and logs. Shutdown waits for those goroutines.
package server
