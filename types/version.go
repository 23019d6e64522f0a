package types

// Version is the kiln release version. The host CLI, the bundled source
// modules and the wire protocol capability document all report this one
// constant so a host/module pair can be checked for skew at a glance.
const Version = "0.3.0"
