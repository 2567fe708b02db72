package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	remoteexecution_proto "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/store/internal/protohelper"
	bytestream_proto "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Remote is a shared content-addressed store reached via the remote
// execution API's ContentAddressableStorage and ByteStream services.
// A fleet of resolvers can use it to exchange verified artifacts without
// re-fetching them from the upstream source.
type Remote struct {
	conn             *grpc.ClientConn
	casClient        remoteexecution_proto.ContentAddressableStorageClient
	byteStreamClient bytestream_proto.ByteStreamClient
}

// NewRemote connects to a remote store endpoint of the form
// "grpcs://host[:port]" (TLS) or "grpc://host[:port]" (plaintext).
func NewRemote(endpoint string) (*Remote, error) {
	scheme, target, found := strings.Cut(endpoint, "://")
	if !found {
		return nil, fmt.Errorf("remote endpoint %q has no scheme", endpoint)
	}
	var transport credentials.TransportCredentials
	switch scheme {
	case "grpcs":
		transport = credentials.NewTLS(nil)
	case "grpc":
		transport = insecure.NewCredentials()
	default:
		return nil, fmt.Errorf("remote endpoint %q: unsupported scheme %q", endpoint, scheme)
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(transport))
	if err != nil {
		return nil, fmt.Errorf("connecting to remote store %s: %w", endpoint, err)
	}
	return &Remote{
		conn:             conn,
		casClient:        remoteexecution_proto.NewContentAddressableStorageClient(conn),
		byteStreamClient: bytestream_proto.NewByteStreamClient(conn),
	}, nil
}

func (r *Remote) Close() error {
	return r.conn.Close()
}

func (r *Remote) FindMissingBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) ([]integrity.Digest, error) {
	resp, err := r.casClient.FindMissingBlobs(ctx, protoFindMissingBlobsRequest(blobDigests, digestFunction))
	if err != nil {
		return nil, err
	}
	return fromProtoFindMissingBlobsResponse(resp, digestFunction)
}

func (r *Remote) BatchReadBlobs(ctx context.Context, blobDigests []integrity.Digest, digestFunction integrity.Algorithm) (BatchReadBlobsResponse, error) {
	resp, err := r.casClient.BatchReadBlobs(ctx, protoBatchReadBlobsRequest(blobDigests, digestFunction))
	if err != nil {
		return nil, err
	}
	return fromProtoBatchReadBlobsResponse(resp, digestFunction)
}

func (r *Remote) BatchUpdateBlobs(ctx context.Context, blobData DigestsAndData, digestFunction integrity.Algorithm) (BatchUpdateBlobsResponse, error) {
	req := &remoteexecution_proto.BatchUpdateBlobsRequest{
		DigestFunction: protohelper.ProtoDigestFunction(digestFunction),
	}
	for _, item := range blobData {
		req.Requests = append(req.Requests, &remoteexecution_proto.BatchUpdateBlobsRequest_Request{
			Digest: protohelper.ProtoDigest(item.Digest, digestFunction),
			Data:   item.Data,
		})
	}
	resp, err := r.casClient.BatchUpdateBlobs(ctx, req)
	if err != nil {
		return nil, err
	}

	responses := make(BatchUpdateBlobsResponse, len(resp.Responses))
	var issues int
	for i, protoResponse := range resp.Responses {
		digest, decodeErr := integrity.DigestFromHex(protoResponse.Digest.Hash, protoResponse.Digest.SizeBytes, digestFunction)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode digest %d: %w", i, decodeErr)
		}
		code, message := protohelper.StatusCode(protoResponse.Status)
		responses[i] = UpdateBlobsResponse{
			Digest: digest,
			Status: Status{Code: StatusCode(code), Message: message},
		}
		if responses[i].Status.Code != Status_OK {
			issues++
		}
	}
	if issues > 0 {
		return responses, BatchResponseHasNonZeroStatus
	}
	return responses, nil
}

func (r *Remote) ReadStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := r.byteStreamClient.Read(ctx, protoReadRequest(blobDigest, digestFunction, offset, limit))
	if err != nil {
		cancel()
		return nil, err
	}
	return &byteStreamReadCloser{
		stream: stream,
		cancel: cancel,
	}, nil
}

func (r *Remote) WriteStream(ctx context.Context, blobDigest integrity.Digest, digestFunction integrity.Algorithm) (io.WriteCloser, error) {
	// uploads go through BatchUpdateBlobs; streamed uploads are not needed yet
	return nil, errors.New("srcpin does not implement streamed uploads to the remote store")
}

type byteStreamReadCloser struct {
	stream bytestream_proto.ByteStream_ReadClient
	buf    bytes.Buffer
	eof    bool
	cancel context.CancelFunc
}

func (b *byteStreamReadCloser) Read(p []byte) (n int, err error) {
	// first, check if we have data from the previous read
	budget := len(p)
	availableFromLastRead := b.buf.Len()
	copyFromLastRead := min(budget, availableFromLastRead)
	if copyFromLastRead > 0 {
		copy(p, b.buf.Next(copyFromLastRead))
		budget -= copyFromLastRead
	}
	if budget == 0 {
		// we can fulfill the request with buffered data
		return len(p), b.nilOrEOF()
	}
	// buffer was drained

	if b.eof {
		// we are at the end of the stream
		// and drained the buffer
		// the reader is done
		if copyFromLastRead > 0 {
			return copyFromLastRead, nil
		}
		return 0, io.EOF
	}

	// read from the stream
	resp, err := b.stream.Recv()
	if err == io.EOF {
		// we will not call Recv again
		// and return EOF after the buffer is drained
		b.eof = true
		return copyFromLastRead, b.nilOrEOF()
	} else if err != nil {
		return copyFromLastRead, err
	}

	// copy the data into the caller's buffer
	n = copy(p[copyFromLastRead:], resp.Data)
	if n < len(resp.Data) {
		// we have more data than the requested read wants
		// buffer for next call
		b.buf.Write(resp.Data[n:])
	}
	return copyFromLastRead + n, b.nilOrEOF()
}

func (b *byteStreamReadCloser) Close() error {
	// cancel the context to
	// stop the stream from our side
	b.cancel()
	return nil
}

func (b *byteStreamReadCloser) nilOrEOF() error {
	if b.eof && b.buf.Len() == 0 {
		return io.EOF
	}
	return nil
}

func protoFindMissingBlobsRequest(blobDigests []integrity.Digest, digestFunction integrity.Algorithm) *remoteexecution_proto.FindMissingBlobsRequest {
	req := &remoteexecution_proto.FindMissingBlobsRequest{
		BlobDigests:    make([]*remoteexecution_proto.Digest, len(blobDigests)),
		DigestFunction: protohelper.ProtoDigestFunction(digestFunction),
	}
	for i, blobDigest := range blobDigests {
		req.BlobDigests[i] = protohelper.ProtoDigest(blobDigest, digestFunction)
	}
	return req
}

func fromProtoFindMissingBlobsResponse(resp *remoteexecution_proto.FindMissingBlobsResponse, digestFunction integrity.Algorithm) ([]integrity.Digest, error) {
	missingDigests := make([]integrity.Digest, len(resp.MissingBlobDigests))
	for i, protoDigest := range resp.MissingBlobDigests {
		var decodeErr error
		missingDigests[i], decodeErr = integrity.DigestFromHex(protoDigest.Hash, protoDigest.SizeBytes, digestFunction)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode digest %d: %w", i, decodeErr)
		}
	}
	return missingDigests, nil
}

func protoBatchReadBlobsRequest(blobDigests []integrity.Digest, digestFunction integrity.Algorithm) *remoteexecution_proto.BatchReadBlobsRequest {
	req := &remoteexecution_proto.BatchReadBlobsRequest{
		DigestFunction: protohelper.ProtoDigestFunction(digestFunction),
	}
	for _, blobDigest := range blobDigests {
		req.Digests = append(req.Digests, protohelper.ProtoDigest(blobDigest, digestFunction))
	}
	return req
}

func fromProtoBatchReadBlobsResponse(resp *remoteexecution_proto.BatchReadBlobsResponse, digestFunction integrity.Algorithm) (BatchReadBlobsResponse, error) {
	readResponses := make(BatchReadBlobsResponse, len(resp.Responses))
	for i, protoResponse := range resp.Responses {
		var decodeErr error
		readResponses[i].Digest, decodeErr = integrity.DigestFromHex(protoResponse.Digest.Hash, protoResponse.Digest.SizeBytes, digestFunction)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode digest %d: %w", i, decodeErr)
		}
		code, message := protohelper.StatusCode(protoResponse.Status)
		readResponses[i].Status = Status{Code: StatusCode(code), Message: message}
		// we create a new slice to avoid sharing the underlying buffer
		readResponses[i].Data = make([]byte, len(protoResponse.Data))
		copy(readResponses[i].Data, protoResponse.Data)
	}
	return readResponses, nil
}

func protoReadRequest(blobDigest integrity.Digest, digestFunction integrity.Algorithm, offset, limit int64) *bytestream_proto.ReadRequest {
	return &bytestream_proto.ReadRequest{
		ReadOffset:   offset,
		ReadLimit:    limit,
		ResourceName: fmt.Sprintf("blobs/%s/%d", blobDigest.Hex(digestFunction), blobDigest.SizeBytes),
	}
}

var _ Store = (*Remote)(nil)
