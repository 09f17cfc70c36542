// Package protocol defines the framing shared by the session transport and
// the remote game service.
//
// A frame is a small metadata header plus an opaque body. The header carries
// the correlation state: requests carry the client sequence number and the
// last server sequence observed; responses echo the client sequence and may
// carry a remote error code and message; notifies are unsolicited pushes
// whose body is an Event.
//
//	frame := &protocol.Frame{
//	    Meta: protocol.Meta{
//	        Service:   "farm.FarmService",
//	        Method:    "AllLands",
//	        Type:      protocol.TypeRequest,
//	        ClientSeq: 7,
//	        ServerSeq: 41,
//	    },
//	    Body: payload,
//	}
//	data, err := protocol.EncodeFrame(codec, frame)
//
// Payload schemas are owned by the domain layer. This package only frames them.
//
// # Codecs
//
// JSONCodec is the text codec, CBORCodec the binary one. Both produce the same
// logical frame; pick one per deployment with CodecByName.
package protocol
