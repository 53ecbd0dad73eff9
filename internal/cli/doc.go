// Package cli implements the client side of the tantra command-line tool.
//
// Commands talk to a running server over its HTTP API through Client and
// print either aligned tables or indented JSON through Output. Each command
// group is built by a factory (NewTaskCmd, NewScheduleCmd, ...) that takes
// clientFn and outputFn closures, so the Client and Output are created only
// after the persistent flags have been parsed.
//
//	tantra task submit echo --input msg=hi --wait
//	tantra task list --status completed --json | jq .
package cli
