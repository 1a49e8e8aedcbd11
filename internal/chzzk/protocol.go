package chzzk

import "encoding/json"

// Wire protocol constants. The envelope shape and command codes are a fixed
// external contract; the server rejects anything else.
const (
	protoVersion = "2"
	serviceID    = "game"
	deviceType   = 2001

	cmdPing      = 0     // server keepalive request; also the client heartbeat
	cmdPong      = 10000 // keepalive reply; doubles as the connect response
	cmdConnect   = 100
	cmdConnected = 10100
	cmdChat      = 93101
	cmdDonation  = 93102

	retCodeOK = 200
)

// frame is the inbound envelope. bdy varies by command: an array of batch
// entries for chat/donation frames, an object elsewhere, so it stays raw
// until dispatch.
type frame struct {
	Ver     string          `json:"ver"`
	Cmd     int             `json:"cmd"`
	SvcID   string          `json:"svcid,omitempty"`
	CID     string          `json:"cid,omitempty"`
	TID     json.RawMessage `json:"tid,omitempty"`
	RetCode *int            `json:"retCode,omitempty"`
	RetMsg  string          `json:"retMsg,omitempty"`
	Body    json.RawMessage `json:"bdy,omitempty"`
}

// batchEntry is one element of a chat/donation batch body. profile and extras
// arrive either as JSON strings or as already-decoded objects depending on the
// server, so both stay raw here.
type batchEntry struct {
	UID       string          `json:"uid"`
	MsgID     string          `json:"msgId"`
	Msg       string          `json:"msg"`
	Content   string          `json:"content"`
	MsgTime   int64           `json:"msgTime"`
	PayAmount int64           `json:"payAmount"`
	Profile   json.RawMessage `json:"profile"`
	Extras    json.RawMessage `json:"extras"`
}

type authBody struct {
	UID     *string `json:"uid"`
	DevType int     `json:"devType"`
	AccTkn  string  `json:"accTkn"`
	Auth    string  `json:"auth"`
}

type authFrame struct {
	Ver   string   `json:"ver"`
	Cmd   int      `json:"cmd"`
	SvcID string   `json:"svcid"`
	CID   string   `json:"cid"`
	Body  authBody `json:"bdy"`
	TID   int      `json:"tid"`
}

func encodeAuthFrame(chatChannelID, accessToken string) ([]byte, error) {
	return json.Marshal(authFrame{
		Ver:   protoVersion,
		Cmd:   cmdConnect,
		SvcID: serviceID,
		CID:   chatChannelID,
		Body: authBody{
			UID:     nil,
			DevType: deviceType,
			AccTkn:  accessToken,
			Auth:    "READ",
		},
		TID: 1,
	})
}

type bareFrame struct {
	Ver string `json:"ver"`
	Cmd int    `json:"cmd"`
}

func encodeHeartbeat() []byte {
	data, _ := json.Marshal(bareFrame{Ver: protoVersion, Cmd: cmdPing})
	return data
}

func encodeKeepaliveAck() []byte {
	data, _ := json.Marshal(bareFrame{Ver: protoVersion, Cmd: cmdPong})
	return data
}

// splitBatch splits a chat/donation body into raw entries without decoding
// them, so one malformed entry cannot take out the rest of the batch. A
// single-object body is treated as a batch of one.
func splitBatch(body json.RawMessage) ([]json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err == nil {
		return entries, nil
	}
	var single map[string]json.RawMessage
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []json.RawMessage{body}, nil
}
