/*
Package executor runs shell commands on managed hosts.

Two implementations share the Executor interface: LocalExecutor spawns a
subshell on this machine, SSHExecutor drives a remote host over a lazily
established SSH session with one channel per command. Both capture exit
status, stdout, and stderr into a CommandResult and support explicit
timeouts that release the underlying process or channel.

SSH keys come from an explicit file path (rejected when any group or
other permission bit is set), the
SSH agent (reserved), or base64 material in an environment variable that
is written to a 0600 temp file and removed on Close.

Server host keys are currently accepted without verification, like
StrictHostKeyChecking=no; deployments exposed beyond a trusted network
must harden this against known_hosts.
*/
package executor
