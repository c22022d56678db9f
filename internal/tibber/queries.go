package tibber

// GraphQL documents sent to the provider. Subscription documents are
// formatted with the home id because the streaming protocol carries the
// query text only; request documents use variables where the operation
// takes input.

const queryInfo = `
{
  viewer {
    name
    userId
    websocketSubscriptionUrl
    homes {
      id
      subscriptions {
        status
      }
    }
  }
}
`

const queryUpdateInfoPrice = `
{
  viewer {
    home(id: "%s") {
      appNickname
      features {
        realTimeConsumptionEnabled
      }
      currentSubscription {
        status
        priceInfo {
          current {
            energy
            tax
            total
            startsAt
            level
            currency
          }
          today {
            total
            startsAt
            level
          }
          tomorrow {
            total
            startsAt
            level
          }
        }
      }
      address {
        address1
        address2
        address3
        city
        postalCode
        country
        latitude
        longitude
      }
      meteringPointData {
        consumptionEan
        energyTaxType
        estimatedAnnualConsumption
        gridCompany
        productionEan
        vatType
      }
      owner {
        name
        isCompany
        language
        contactInfo {
          email
          mobile
        }
      }
      timeZone
      subscriptions {
        id
        status
        validFrom
        validTo
        statusReason
      }
    }
  }
}
`

const queryPriceInfo = `
{
  viewer {
    home(id: "%s") {
      currentSubscription {
        priceRating {
          hourly {
            entries {
              time
              total
              level
            }
          }
        }
      }
    }
  }
}
`

const queryUpdateCurrentPrice = `
{
  viewer {
    home(id: "%s") {
      currentSubscription {
        priceInfo {
          current {
            energy
            tax
            total
            startsAt
          }
        }
      }
    }
  }
}
`

const queryLiveSubscribe = `
subscription {
  liveMeasurement(homeId: "%s") {
    accumulatedConsumption
    accumulatedConsumptionLastHour
    accumulatedCost
    accumulatedProduction
    accumulatedProductionLastHour
    accumulatedReward
    averagePower
    currency
    currentL1
    currentL2
    currentL3
    lastMeterConsumption
    lastMeterProduction
    maxPower
    minPower
    power
    powerFactor
    powerProduction
    powerReactive
    signalStrength
    timestamp
    voltagePhase1
    voltagePhase2
    voltagePhase3
  }
}
`

const queryHistoricData = `
{
  viewer {
    home(id: "%[1]s") {
      %[2]s(resolution: %[3]s, last: %[4]d) {
        nodes {
          from
          %[5]s
          %[2]s
        }
      }
    }
  }
}
`

const queryHistoricDataDate = `
{
  viewer {
    home(id: "%[1]s") {
      %[2]s(resolution: %[3]s, first: %[4]d, after: "%[5]s") {
        nodes {
          from
          to
          %[6]s
        }
      }
    }
  }
}
`

const queryHistoricPrice = `
{
  viewer {
    home(id: "%[1]s") {
      currentSubscription {
        priceRating {
          %[2]s {
            entries {
              time
              total
            }
          }
        }
      }
    }
  }
}
`

const mutationPushNotification = `
mutation sendPushNotification($input: PushNotificationInput!) {
  sendPushNotification(input: $input) {
    successful
    pushedToNumberOfDevices
  }
}
`
