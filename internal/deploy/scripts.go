package deploy

import _ "embed"

// installScriptTemplate is the remote install script run over SSH after the
// agent binary and config have been uploaded. Placeholders are substituted
// textually before the script is uploaded over SFTP and run with sh, matching the
// teacher's //go:embed-and-substitute pattern for provisioning scripts.
//
//go:embed install.sh.tmpl
var installScriptTemplate string
