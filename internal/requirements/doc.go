// Package requirements installs the external packages integrations
// declare before their setup runs.
//
// Installs are serialized through a process-wide lock. Failures are
// remembered per requirement: after three failed attempts a
// requirement is blacklisted for the rest of the process and later
// setups needing it fail fast instead of retrying a broken install.
package requirements
