package k6

// Script is the replay program executed by the k6 container. It reads the
// payloads and forkchoice files by global iteration index so concurrent VUs
// each replay a distinct line, signs a fresh JWT per request, and emits one
// marker line per payload when per-payload metrics are on.
const Script = `import http from 'k6/http';
import { group, check, sleep } from 'k6';
import exec from 'k6/execution';
import fs from 'k6/experimental/fs';
import encoding from 'k6/encoding';
import crypto from 'k6/crypto';

// Payloads and fcus files
const payloadsFilePath = __ENV.EXPB_PAYLOADS_FILE_PATH;
const fcusFilePath = __ENV.EXPB_FCUS_FILE_PATH;
const payloadsFile = await fs.open(payloadsFilePath);
const fcusFile = await fs.open(fcusFilePath);
const payloadsSkip = parseInt(__ENV.EXPB_PAYLOADS_SKIP || "0");
const payloadsWarmup = parseInt(__ENV.EXPB_PAYLOADS_WARMUP || "0");

// Pacing and termination
const rateMode = __ENV.EXPB_RATE_MODE === "1";
const abortOnEOF = __ENV.EXPB_ABORT_ON_EOF !== "0";
const payloadsDelay = parseFloat(__ENV.EXPB_PAYLOADS_DELAY || "0");
const perPayloadMetrics = __ENV.EXPB_PER_PAYLOAD_METRICS === "1";
const checkValid = __ENV.EXPB_CHECK_VALID === "1";

const buffer = new Uint8Array(2 ** 20); // 1MB buffer
async function readFileLine(file) {
  let line = "";
  let done = false;
  while(true) {
    let bytesRead = await file.read(buffer);
    if (bytesRead === 0 || bytesRead === null) {
      break;
    }
    for (let i = 0; i < bytesRead; i++) {
      if (buffer[i] === 10) {
        file.seek(i - bytesRead + 1, fs.SeekMode.Current);
        done = true;
        break;
      } if (buffer[i] === 13) {
        continue;
      } else {
        line += String.fromCharCode(buffer[i]);
      }
    }
    if (done) {
      break;
    }
  }
  return line;
}

// JWT secret file
function hex2ArrayBuffer(hex) {
  const buf = new ArrayBuffer(hex.length / 2);
  const bufView = new Uint8Array(buf);
  for (let i = 0; i < hex.length; i += 2) {
      bufView[i / 2] = parseInt(hex.slice(i, i + 2), 16);
  }
  return buf;
}

const jwtsecretFilePath = __ENV.EXPB_JWTSECRET_FILE_PATH;
const jwtsecret = open(jwtsecretFilePath).trim();
const jwtsecretBytes = hex2ArrayBuffer(jwtsecret);

// Engine endpoint
const engineEndpoint = __ENV.EXPB_ENGINE_ENDPOINT;

// Test config file
const configFilePath = __ENV.EXPB_CONFIG_FILE_PATH;
const configFile = open(configFilePath);
const config = JSON.parse(configFile);

export const options = config["options"]

// Get JWT token
async function getJwtToken() {
  const jwtHeaderString = encoding.b64encode(JSON.stringify({
    "typ": "JWT",
    "alg": "HS256",
  }), "rawurl");
  const iat = Math.floor(Date.now() / 1000);
  const exp = iat + 60;
  const jwtPayloadString = encoding.b64encode(JSON.stringify({
    "iat": iat,
    "exp": exp,
  }), "rawurl");

  const jwtHasher = crypto.createHMAC("sha256", jwtsecretBytes);
  jwtHasher.update([jwtHeaderString, jwtPayloadString].join("."));
  const signature = jwtHasher.digest("base64rawurl");
  return [jwtHeaderString, jwtPayloadString, signature].join(".");
}

async function sendEngineRequest(name, body, token, warmup) {
  const parsed = JSON.parse(body);
  let response;
  group(name, function() {
    const headers = {
      "Authorization": ` + "`Bearer ${token}`" + `,
      "Content-Type": "application/json",
    };
    const tags = {
      "jrpc_method": parsed.method,
      "warmup": warmup ? "true" : "false",
    };
    response = http.post(engineEndpoint, body, {
      headers: headers,
      tags: tags,
    });
    const checks = {
      'status_200': (r) => r.status === 200,
      'has_result': (r) => {
        const data = r.json();
        return data !== undefined && data.result !== undefined && data.error === undefined;
      },
    };
    if (checkValid) {
      checks['status_valid'] = (r) => {
        const result = r.json().result;
        if (result === undefined) {
          return false;
        }
        const status = result.status || (result.payloadStatus && result.payloadStatus.status);
        if (status !== "VALID") {
          console.warn("non-VALID engine response", JSON.stringify({
            method: parsed.method,
            status: status,
            latest_valid_hash: result.latestValidHash || (result.payloadStatus && result.payloadStatus.latestValidHash),
            validation_error: result.validationError || (result.payloadStatus && result.payloadStatus.validationError),
            payload_id: result.payloadId,
          }));
          return false;
        }
        return true;
      };
    }
    check(response, checks, tags);
  });
  return response;
}

// Every VU holds its own file handles with independent offsets, so the line
// to replay is addressed by the global iteration index: the VU skips forward
// to the target line before reading it. Iteration indexes handed to a VU are
// strictly increasing, so its handles only ever move forward.
let vuNextLine = 0;

async function readLinePair(target) {
  while (vuNextLine < target) {
    await readFileLine(payloadsFile);
    await readFileLine(fcusFile);
    vuNextLine++;
  }
  const payloadRaw = await readFileLine(payloadsFile);
  const fcuRaw = await readFileLine(fcusFile);
  vuNextLine++;
  return [payloadRaw, fcuRaw];
}

export default async function () {
  // Get this iteration's payload, skipping the configured prefix
  const index = exec.scenario.iterationInTest;
  const [payloadRaw, fcuRaw] = await readLinePair(payloadsSkip + index);
  if (payloadRaw === "" || fcuRaw === "") {
    if (abortOnEOF) {
      throw new Error("No more payloads or fcus found");
    }
    return; // arrival-rate mode keeps ticking until the duration elapses
  }

  const warmup = index < payloadsWarmup;

  try {
    const payloadToken = await getJwtToken();
    const payloadResponse = await sendEngineRequest(
      "engine_newPayload", payloadRaw, payloadToken, warmup);

    const fcuToken = await getJwtToken();
    const fcuResponse = await sendEngineRequest(
      "engine_forkchoiceUpdated", fcuRaw, fcuToken, warmup);

    if (perPayloadMetrics && !warmup) {
      const payload = JSON.parse(payloadRaw);
      console.log("EXPB_PAYLOAD_METRIC " + JSON.stringify({
        index: index,
        block: parseInt(payload.params[0].blockNumber, 16),
        gas_used: parseInt(payload.params[0].gasUsed, 16),
        new_payload_ms: payloadResponse.timings.duration,
        fcu_ms: fcuResponse.timings.duration,
      }));
    }
  } catch (e) {
    console.error(e);
  }
  if (!rateMode && payloadsDelay > 0) {
    sleep(payloadsDelay); // Wait for the next payload
  }
}
`
