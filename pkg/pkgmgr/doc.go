/*
Package pkgmgr abstracts package management on managed hosts.

Three implementations share the PackageManager interface: AptManager for
deb-family hosts, DnfManager for rpm-family hosts (falling back to yum),
and ComposeManager for docker compose stacks. All of them shell out
through an executor, so the same code paths work locally and over SSH.
*/
package pkgmgr
