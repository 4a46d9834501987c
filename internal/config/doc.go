// Package config loads the AgentPlane daemon configuration from a JSON
// file and fills in defaults for unset fields. Relative paths inside the
// file resolve against the file's own directory so a config bundle stays
// relocatable.
package config
