// Command provider runs the sealing key provider inside an enclave.
//
// It loads configuration (YAML file, SKP_* environment, optional .env file),
// checks the attestation subsystem and the hardware root, then serves key
// release requests over the framed stream transport and, optionally, HTTP.
//
// Exit codes:
//
//	0  normal shutdown
//	2  configuration error
//	3  attestation subsystem unreachable at startup
//	4  hardware root unusable, at startup or while serving
package main
