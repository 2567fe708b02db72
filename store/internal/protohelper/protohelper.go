// Package protohelper converts between srcpin types and the remote
// execution API's protobuf messages.
package protohelper

import (
	remoteexecution_proto "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/srcpin/srcpin/integrity"
	gstatus "google.golang.org/genproto/googleapis/rpc/status"
)

func ProtoDigestFunction(digestFunction integrity.Algorithm) remoteexecution_proto.DigestFunction_Value {
	switch digestFunction {
	case integrity.SHA256:
		return remoteexecution_proto.DigestFunction_SHA256
	case integrity.SHA384:
		return remoteexecution_proto.DigestFunction_SHA384
	case integrity.SHA512:
		return remoteexecution_proto.DigestFunction_SHA512
	}
	return remoteexecution_proto.DigestFunction_UNKNOWN
}

func ProtoDigest(digest integrity.Digest, digestFunction integrity.Algorithm) *remoteexecution_proto.Digest {
	return &remoteexecution_proto.Digest{
		Hash:      digest.Hex(digestFunction),
		SizeBytes: digest.SizeBytes,
	}
}

func StatusCode(googleStatus *gstatus.Status) (code int32, message string) {
	if googleStatus == nil {
		return 0, ""
	}
	return googleStatus.Code, googleStatus.Message
}
