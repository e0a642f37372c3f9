package launcher

import "strconv"

// BuildArgs assembles the argument vector that points the client at the
// local tunnel endpoint. Trailing arguments are passed through verbatim in
// their original order. For non-scp clients the destination is always the
// literal localhost, never the device URI.
func BuildArgs(client Client, localPort uint16, loginName string, trailing []string) []string {
	args := []string{client.Kind.portFlag(), strconv.Itoa(int(localPort))}
	if loginName != "" && client.Kind.takesLoginFlag() {
		args = append(args, "-l", loginName)
	}
	args = append(args, trailing...)
	if client.Kind.wantsDestination() {
		args = append(args, "localhost")
	}
	return args
}
